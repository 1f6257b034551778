package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ChecksumSuffix is appended to the config path to locate its lock file.
const ChecksumSuffix = ".blake3"

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// ChecksumPath returns the lock file path for a config file.
func ChecksumPath(configPath string) string {
	return configPath + ChecksumSuffix
}

// WriteChecksum locks configPath by writing its BLAKE3 hash next to it.
// Returns the hash that was written.
func WriteChecksum(configPath string) (string, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return "", err
	}
	line := "blake3:" + hash + "  " + filepath.Base(configPath) + "\n"
	if err := os.WriteFile(ChecksumPath(configPath), []byte(line), 0o600); err != nil {
		return "", fmt.Errorf("write checksum: %w", err)
	}
	return hash, nil
}

// verifyChecksumIfPresent refuses to load a locked config whose content changed.
// Configs without a lock file load unchanged.
func verifyChecksumIfPresent(configPath string) error {
	raw, err := os.ReadFile(ChecksumPath(configPath))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checksum: %w", err)
	}

	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return fmt.Errorf("checksum file %s is empty", ChecksumPath(configPath))
	}
	expected := strings.TrimPrefix(fields[0], "blake3:")
	if err := VerifyFileHash(configPath, expected); err != nil {
		return fmt.Errorf("config integrity check failed: %w\n"+
			"Hint: run 'scriptd config lock' after editing the config", err)
	}
	return nil
}
