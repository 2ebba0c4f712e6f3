// notify.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/linnix-os/linnixd/types"
)

// offlineGuard denies outbound network I/O when runtime.offline is set.
// Every optional external collaborator routes its egress through one guard.
type offlineGuard struct {
	offline bool
}

func (g *offlineGuard) Allow(op string) error {
	if g.offline {
		countOfflineDenied()
		return daemonErrf(ErrOffline, "egress denied: %s", op)
	}
	return nil
}

// httpPoster is the egress seam; tests substitute a counting stub.
type httpPoster interface {
	Do(req *http.Request) (*http.Response, error)
}

// Notifier forwards alerts to the configured destinations: Apprise endpoint
// URLs, a Slack webhook and the PagerDuty events API. Delivery runs on its
// own goroutine behind a bounded queue so the bus never blocks on I/O.
type Notifier struct {
	urls        []string
	slack       string
	pagerduty   string
	minSeverity types.Severity

	guard  *offlineGuard
	client httpPoster
	queue  chan types.AlertRecord
	logger *Logger
	done   chan struct{}
}

func NewNotifier(urls []string, slack, pagerduty string, guard *offlineGuard, logger *Logger) *Notifier {
	n := &Notifier{
		urls:      urls,
		slack:     slack,
		pagerduty: pagerduty,
		guard:     guard,
		client:    &http.Client{Timeout: 10 * time.Second},
		queue:     make(chan types.AlertRecord, 128),
		logger:    logger,
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

// Enabled reports whether any destination is configured.
func (n *Notifier) Enabled() bool {
	return len(n.urls) > 0 || n.slack != "" || n.pagerduty != ""
}

// Enqueue hands an alert to the delivery worker without blocking.
func (n *Notifier) Enqueue(record types.AlertRecord) {
	select {
	case n.queue <- record:
	default:
		countNotifierFailure("queue_full")
	}
}

func (n *Notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case record := <-n.queue:
			n.deliver(record)
		}
	}
}

func (n *Notifier) deliver(record types.AlertRecord) {
	alert := record.Alert
	for _, url := range n.urls {
		if err := n.postApprise(url, alert); err != nil {
			countNotifierFailure("apprise")
			n.logger.Warning("notify", "apprise delivery failed: %v", err)
		}
	}
	if n.slack != "" {
		if err := n.postSlack(alert); err != nil {
			countNotifierFailure("slack")
			n.logger.Warning("notify", "slack delivery failed: %v", err)
		}
	}
	if n.pagerduty != "" {
		if err := n.postPagerduty(alert); err != nil {
			countNotifierFailure("pagerduty")
			n.logger.Warning("notify", "pagerduty delivery failed: %v", err)
		}
	}
}

func (n *Notifier) postApprise(url string, alert types.Alert) error {
	payload := map[string]interface{}{
		"title": fmt.Sprintf("linnix: %s (%s)", alert.RuleID, alert.Severity),
		"body":  alert.Message,
		"type":  appriseType(alert.Severity),
	}
	return n.post("apprise", url, payload)
}

func appriseType(s types.Severity) string {
	switch s {
	case types.SeverityCritical, types.SeverityHigh:
		return "failure"
	case types.SeverityMedium:
		return "warning"
	}
	return "info"
}

func (n *Notifier) postSlack(alert types.Alert) error {
	color := map[types.Severity]string{
		types.SeverityCritical: "#FF0000",
		types.SeverityHigh:     "#FF0000",
		types.SeverityMedium:   "#FFA500",
		types.SeverityInfo:     "#0000FF",
	}[alert.Severity]

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{{
			"color": color,
			"title": fmt.Sprintf("linnix alert: %s", alert.RuleID),
			"text":  alert.Message,
			"fields": []map[string]interface{}{
				{"title": "Severity", "value": alert.Severity.String(), "short": true},
				{"title": "Count", "value": fmt.Sprintf("%d", alert.Evidence.Count), "short": true},
			},
		}},
	}
	return n.post("slack", n.slack, payload)
}

func (n *Notifier) postPagerduty(alert types.Alert) error {
	payload := map[string]interface{}{
		"routing_key":  n.pagerduty,
		"event_action": "trigger",
		"dedup_key":    alert.RuleID,
		"payload": map[string]interface{}{
			"summary":  alert.Message,
			"source":   "linnixd",
			"severity": pagerdutySeverity(alert.Severity),
		},
	}
	return n.post("pagerduty", "https://events.pagerduty.com/v2/enqueue", payload)
}

func pagerdutySeverity(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "critical"
	case types.SeverityHigh:
		return "error"
	case types.SeverityMedium:
		return "warning"
	}
	return "info"
}

func (n *Notifier) post(destination, url string, payload interface{}) error {
	if err := n.guard.Allow(destination); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", destination, resp.Status)
	}
	return nil
}

func (n *Notifier) Close() {
	close(n.done)
}
