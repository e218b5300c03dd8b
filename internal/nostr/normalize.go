package nostr

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// NormalizeRelayURL canonicalizes a relay URL: lowercased scheme and host,
// no trailing slash on a bare path. Input without a scheme gets wss://,
// https and http map to wss and ws, and any other scheme is rejected.
func NormalizeRelayURL(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty relay url")
	}
	if !strings.Contains(input, "://") {
		input = "wss://" + input
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", input, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "wss", "ws":
		u.Scheme = strings.ToLower(u.Scheme)
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme %q", input, u.Scheme)
	}

	u.Host = strings.ToLower(u.Host)
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", input)
	}
	if u.Path == "/" {
		u.Path = ""
	}
	u.Fragment = ""

	return u.String(), nil
}

// NormalizePubkey converts an npub or 64-char hex pubkey to hex form.
func NormalizePubkey(input string) (string, error) {
	input = strings.TrimSpace(input)

	if strings.HasPrefix(input, "npub1") {
		prefix, pubkey, err := nip19.Decode(input)
		if err != nil {
			return "", fmt.Errorf("invalid npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("expected npub, got %s", prefix)
		}
		return pubkey.(string), nil
	}

	if len(input) == 64 {
		if _, err := hex.DecodeString(input); err != nil {
			return "", fmt.Errorf("invalid hex pubkey: %w", err)
		}
		return strings.ToLower(input), nil
	}

	return "", fmt.Errorf("invalid pubkey format (expected npub1... or 64-char hex)")
}

// NormalizeEventID converts a note1 or 64-char hex event id to hex form.
func NormalizeEventID(input string) (string, error) {
	input = strings.TrimSpace(input)

	if strings.HasPrefix(input, "note1") {
		prefix, id, err := nip19.Decode(input)
		if err != nil {
			return "", fmt.Errorf("invalid note id: %w", err)
		}
		if prefix != "note" {
			return "", fmt.Errorf("expected note, got %s", prefix)
		}
		return id.(string), nil
	}

	if len(input) == 64 {
		if _, err := hex.DecodeString(input); err != nil {
			return "", fmt.Errorf("invalid hex event id: %w", err)
		}
		return strings.ToLower(input), nil
	}

	return "", fmt.Errorf("invalid event id format (expected note1... or 64-char hex)")
}
