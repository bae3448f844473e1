package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type IDType string

const (
	IDTypeRun   IDType = "run"
	IDTypeEpic  IDType = "epic"
	IDTypeStory IDType = "story"
	IDTypeTask  IDType = "task"
	IDTypeEvent IDType = "evt"
)

var validIDTypes = map[IDType]bool{
	IDTypeRun:   true,
	IDTypeEpic:  true,
	IDTypeStory: true,
	IDTypeTask:  true,
	IDTypeEvent: true,
}

var idRegex = regexp.MustCompile(`^(run|epic|story|task|evt)_[0-9]{10}_[0-9a-f]{8}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hexStr), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	// Format: <type>_<10-digit unix>_<8 hex>; the timestamp starts after the
	// first underscore and is always 10 digits.
	match := idRegex.FindStringSubmatch(id)
	start := len(match[1]) + 1
	sec, err := strconv.ParseInt(id[start:start+10], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ID timestamp: %w", err)
	}
	return time.Unix(sec, 0).UTC(), nil
}
