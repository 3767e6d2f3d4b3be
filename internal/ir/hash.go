package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed keys.
// Version suffix enables future algorithm migration.
const (
	DomainPermission = "scenehost/permission/v1"
	DomainStorage    = "scenehost/storage/v1"
	DomainContent    = "scenehost/content/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PermissionKey computes the coalescing key of a permission request.
// Two requests with the same scene, kind and value share one prompt and one
// decision. The value is canonicalized, so argument key order and Unicode
// normalization do not matter.
func PermissionKey(scene SceneID, kind string, value IRValue) (string, error) {
	obj := IRObject{
		"scene": IRString(scene),
		"kind":  IRString(kind),
		"value": value,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("PermissionKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPermission, canonical), nil
}

// StorageKey computes the persisted key for a scene's local storage item.
func StorageKey(scene SceneID, key string) string {
	canonical, _ := MarshalCanonical(IRObject{
		"scene": IRString(scene),
		"key":   IRString(key),
	})
	return hashWithDomain(DomainStorage, canonical)
}

// ContentHash computes the content address of a scene file.
func ContentHash(data []byte) string {
	return hashWithDomain(DomainContent, data)
}

// MustPermissionKey is like PermissionKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPermissionKey(scene SceneID, kind string, value IRValue) string {
	key, err := PermissionKey(scene, kind, value)
	if err != nil {
		panic(err)
	}
	return key
}
