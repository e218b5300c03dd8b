package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RelayInformationDocument is a relay's NIP-11 self-description.
type RelayInformationDocument struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	PubKey        string `json:"pubkey"`
	Contact       string `json:"contact"`
	SupportedNIPs []int  `json:"supported_nips"`
	Software      string `json:"software"`
	Version       string `json:"version"`
	Limitation    struct {
		MaxMessageLength int  `json:"max_message_length"`
		MaxSubscriptions int  `json:"max_subscriptions"`
		MaxFilters       int  `json:"max_filters"`
		AuthRequired     bool `json:"auth_required"`
		PaymentRequired  bool `json:"payment_required"`
	} `json:"limitation"`
}

// SupportsNIP reports whether the document lists the given NIP.
func (info *RelayInformationDocument) SupportsNIP(nip int) bool {
	for _, n := range info.SupportedNIPs {
		if n == nip {
			return true
		}
	}
	return false
}

// FetchRelayInformation performs the NIP-11 probe: an HTTP GET against the
// relay's base URL with Accept: application/nostr+json. Best effort; callers
// treat failure as "no information".
func FetchRelayInformation(ctx context.Context, wsURL string, timeout time.Duration) (*RelayInformationDocument, error) {
	httpURL := strings.Replace(wsURL, "ws://", "http://", 1)
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)

	req, err := http.NewRequestWithContext(ctx, "GET", httpURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/nostr+json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relay information: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay information request failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read relay information: %w", err)
	}

	var info RelayInformationDocument
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse relay information: %w", err)
	}

	return &info, nil
}
