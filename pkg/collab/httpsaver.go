package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSaver persists through the server's document endpoint:
// PUT {base}/api/documents/{type}/{id}/content.
type HTTPSaver struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPSaver(baseURL, token string) *HTTPSaver {
	return &HTTPSaver{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPSaver) Save(ctx context.Context, documentType, documentID string, content json.RawMessage) error {
	body, err := json.Marshal(map[string]json.RawMessage{"content": content})
	if err != nil {
		return fmt.Errorf("collab: encoding save body: %w", err)
	}

	url := fmt.Sprintf("%s/api/documents/%s/%s/content", s.BaseURL, documentType, documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.Token)

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collab: save rejected with status %d", resp.StatusCode)
	}
	return nil
}
