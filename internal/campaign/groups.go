package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPGroupResolver asks the contact service (external collaborator) for the
// members of a recipient group.
type HTTPGroupResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGroupResolver(baseURL string, timeoutMs int) *HTTPGroupResolver {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}
	return &HTTPGroupResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}
}

type groupMembersRes struct {
	Members []string `json:"members"`
}

func (r *HTTPGroupResolver) Resolve(ctx context.Context, groupID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/v1/groups/"+groupID+"/members", nil)
	if err != nil {
		return nil, err
	}

	res, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("group %s not found", groupID)
	}
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("contact service status=%d", res.StatusCode)
	}

	var out groupMembersRes
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Members, nil
}
