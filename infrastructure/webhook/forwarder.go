package webhook

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AzielCF/az-filter/core/config"
	"github.com/AzielCF/az-filter/domains/health"
	"github.com/AzielCF/az-filter/filter/domain/event"
	pkgError "github.com/AzielCF/az-filter/pkg/error"
	pkgUtils "github.com/AzielCF/az-filter/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
)

// Forwarder delivers filter events to the configured webhook URLs. Payloads
// are signed with HMAC-SHA256 when a secret is set, the same scheme webhook
// receivers already verify via X-Hub-Signature-256.
type Forwarder struct {
	urls   []string
	secret string
	client *fasthttp.Client
	health health.IHealthUsecase
}

func NewForwarder(cfg config.WebhookConfig) *Forwarder {
	return &Forwarder{
		urls:   cfg.URLs,
		secret: cfg.Secret,
		client: &fasthttp.Client{
			TLSConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
			ReadTimeout:  requestTimeout,
			WriteTimeout: requestTimeout,
		},
	}
}

// SetHealthUsecase wires delivery outcomes into the health storage.
func (f *Forwarder) SetHealthUsecase(h health.IHealthUsecase) {
	f.health = h
}

// HasTargets reports whether any webhook URL is configured.
func (f *Forwarder) HasTargets() bool {
	return len(f.urls) > 0
}

// ForwardEvent attempts to deliver the event to every configured URL. It only
// returns an error when all deliveries fail; partial failures are logged and
// suppressed so successful targets still receive the event.
func (f *Forwarder) ForwardEvent(ctx context.Context, ev event.FilterEvent) error {
	total := len(f.urls)
	if total == 0 {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return pkgError.WebhookError(fmt.Sprintf("failed to marshal event %s: %v", ev.ID, err))
	}

	var (
		failed    []string
		successes int
	)
	for _, url := range f.urls {
		if err := f.submit(ctx, url, body); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", url, err))
			logrus.Warnf("[WEBHOOK] Failed forwarding %s to %s: %v", ev.Type, url, err)
			if f.health != nil {
				f.health.ReportFailure(ctx, health.EntityWebhook, url, err.Error())
			}
			continue
		}
		successes++
		if f.health != nil {
			f.health.ReportSuccess(ctx, health.EntityWebhook, url)
		}
	}

	if len(failed) == total {
		return pkgError.WebhookError(fmt.Sprintf("all webhook URLs failed for event %s: %s", ev.ID, strings.Join(failed, "; ")))
	}
	if len(failed) > 0 {
		logrus.Warnf("[WEBHOOK] Some webhook URLs failed for %s (succeeded: %d/%d): %s", ev.Type, successes, total, strings.Join(failed, "; "))
	} else {
		logrus.Debugf("[WEBHOOK] %s forwarded to all webhook(s)", ev.Type)
	}
	return nil
}

// submit delivers the payload to a single URL with exponential backoff.
func (f *Forwarder) submit(ctx context.Context, url string, body []byte) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if f.secret != "" {
		signature, err := pkgUtils.GetMessageDigestOrSignature(body, []byte(f.secret))
		if err != nil {
			return pkgError.WebhookError(fmt.Sprintf("error when creating signature: %v", err))
		}
		req.Header.Set("X-Hub-Signature-256", fmt.Sprintf("sha256=%s", signature))
	}

	var attempt int
	var lastErr error
	sleepDuration := 1 * time.Second

	for attempt = 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := f.client.DoTimeout(req, resp, requestTimeout)
		if err == nil {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				logrus.Debugf("[WEBHOOK] Delivered to %s on attempt %d", url, attempt+1)
				return nil
			}
			err = fmt.Errorf("webhook returned status %d", status)
		}
		lastErr = err
		logrus.Warnf("[WEBHOOK] Attempt %d to %s failed: %v", attempt+1, url, err)
		if attempt < maxAttempts-1 {
			time.Sleep(sleepDuration)
			sleepDuration *= 2
		}
	}

	return pkgError.WebhookError(fmt.Sprintf("error when submitting webhook after %d attempts: %v", attempt, lastErr))
}
