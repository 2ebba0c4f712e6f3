// reasoner.go
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

// Reasoner asks the optional external model to enrich alerts with an insight
// and to classify unknown comms into tags. It is a pluggable sink: the hot
// path only ever enqueues, and the offline guard vetoes every request.
type Reasoner struct {
	endpoint string
	model    string
	timeout  time.Duration
	guard    *offlineGuard
	client   httpPoster
	bus      *AlertBus
	tags     *TagCache
	logger   *Logger
	alertQ   chan types.Alert
	tagQ     chan tagRequest
	done     chan struct{}
}

type tagRequest struct {
	comm       string
	cgroupPath string
}

func NewReasoner(cfg *Config, guard *offlineGuard, bus *AlertBus, tags *TagCache, logger *Logger) *Reasoner {
	r := &Reasoner{
		endpoint: cfg.ReasonerEndpoint,
		model:    cfg.ReasonerModel,
		timeout:  time.Duration(cfg.ReasonerTimeoutMs) * time.Millisecond,
		guard:    guard,
		client:   &http.Client{Timeout: time.Duration(cfg.ReasonerTimeoutMs) * time.Millisecond},
		bus:      bus,
		tags:     tags,
		logger:   logger,
		alertQ:   make(chan types.Alert, 64),
		tagQ:     make(chan tagRequest, 256),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// EnqueueAlert requests enrichment for an alert; drops silently when the
// queue is full, the enrichment is best-effort.
func (r *Reasoner) EnqueueAlert(alert types.Alert) {
	select {
	case r.alertQ <- alert:
	default:
	}
}

// EnqueueTagRequest asks the model to classify an unknown comm.
func (r *Reasoner) EnqueueTagRequest(comm, cgroupPath string) {
	select {
	case r.tagQ <- tagRequest{comm: comm, cgroupPath: cgroupPath}:
	default:
	}
}

func (r *Reasoner) run() {
	for {
		select {
		case <-r.done:
			return
		case alert := <-r.alertQ:
			insight, err := r.requestInsight(alert)
			if err != nil {
				r.logger.Debug("reasoner", "insight request failed: %v", err)
				continue
			}
			r.bus.Enrich(*insight)
		case req := <-r.tagQ:
			tags, err := r.requestTags(req)
			if err != nil {
				r.logger.Debug("reasoner", "tag request failed: %v", err)
				continue
			}
			if len(tags) > 0 {
				r.tags.Put(types.HashComm(req.comm), tags)
			}
		}
	}
}

type reasonerInsightResponse struct {
	Summary    string  `json:"summary"`
	Confidence float32 `json:"confidence"`
	NextStep   string  `json:"suggested_next_step"`
}

func (r *Reasoner) requestInsight(alert types.Alert) (*types.Insight, error) {
	body := map[string]interface{}{
		"model": r.model,
		"alert": alert,
	}
	var resp reasonerInsightResponse
	if err := r.call("insight", "/v1/insight", body, &resp); err != nil {
		return nil, err
	}
	return &types.Insight{
		AlertID:    alert.ID,
		Summary:    resp.Summary,
		Confidence: resp.Confidence,
		NextStep:   resp.NextStep,
	}, nil
}

func (r *Reasoner) requestTags(req tagRequest) ([]string, error) {
	body := map[string]interface{}{
		"model":       r.model,
		"comm":        req.comm,
		"cgroup_path": req.cgroupPath,
	}
	var resp struct {
		Tags []string `json:"tags"`
	}
	if err := r.call("tags", "/v1/tags", body, &resp); err != nil {
		return nil, err
	}
	return resp.Tags, nil
}

func (r *Reasoner) call(op, path string, body interface{}, out interface{}) error {
	if err := r.guard.Allow("reasoner:" + op); err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reasoner returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *Reasoner) Close() {
	close(r.done)
}
