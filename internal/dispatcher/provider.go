package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mshirdel/campaign-core/internal/model"
)

// Provider is the external transmit contract: at-most-once attempt, possibly
// slow, returning the provider-assigned message id used to correlate DLRs.
type Provider interface {
	Name() string
	Ready() bool
	Acquire() bool
	Send(ctx context.Context, channel model.Channel, recipient, content string) (providerMsgID string, err error)
}

type HTTPProvider struct {
	name         string
	baseURL      string
	smsPath      string
	whatsappPath string
	client       *http.Client
	br           *MicroBreaker
}

func NewHTTPProvider(
	name, baseURL, smsPath, whatsappPath string,
	timeoutMs, failThreshold, openForMs int,
) *HTTPProvider {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}

	if failThreshold <= 0 {
		failThreshold = 3
	}

	if openForMs <= 0 {
		openForMs = 15000
	}

	return &HTTPProvider{
		name:         name,
		baseURL:      baseURL,
		smsPath:      smsPath,
		whatsappPath: whatsappPath,
		client:       &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:           NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (p *HTTPProvider) Name() string  { return p.name }
func (p *HTTPProvider) Ready() bool   { return p.br.Ready() }
func (p *HTTPProvider) Acquire() bool { return p.br.TryAcquire() }

type providerSendReq struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type providerSendRes struct {
	MessageID string `json:"message_id"`
}

func (p *HTTPProvider) Send(ctx context.Context, channel model.Channel, recipient, content string) (string, error) {
	path := p.smsPath
	if channel == model.ChannelWhatsApp {
		path = p.whatsappPath
	}

	id, err := p.post(ctx, path, providerSendReq{To: recipient, Content: content})
	if err != nil {
		p.br.OnFailure()
		return "", err
	}

	p.br.OnSuccess()

	return id, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, body providerSendReq) (string, error) {
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return "", permanentErr(p.name, err)
	}

	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		// network error / timeout
		return "", transientErr(p.name, err)
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		err := fmt.Errorf("provider=%s path=%s status=%d", p.name, path, res.StatusCode)
		if retryableStatus(res.StatusCode) {
			return "", transientErr(p.name, err)
		}
		// invalid number, rejected content, auth: retrying cannot help
		return "", permanentErr(p.name, err)
	}

	var out providerSendRes
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil || out.MessageID == "" {
		return "", permanentErr(p.name, fmt.Errorf("provider=%s missing message_id in response", p.name))
	}

	return out.MessageID, nil
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code/100 == 5:
		return true
	default:
		return false
	}
}
