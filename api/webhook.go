package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

type webhookPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest *struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
	} `json:"pull_request"`
	Ref string `json:"ref"`
}

// handleWebhook accepts provider deliveries. Signed merged-PR and push
// events for connected repositories queue an out-of-schedule sync; the
// sweep itself runs detached because provider deliveries time out fast.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "reading webhook body failed")
		return
	}
	if !verifySignature(s.args.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		log.WithField("client", r.RemoteAddr).Warn("webhook signature rejected")
		writeError(w, http.StatusUnauthorized, "unauthorized", "webhook signature verification failed")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "decoding webhook payload failed")
		return
	}
	if payload.Repository.FullName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "webhook payload names no repository")
		return
	}

	var repoKey = payload.Repository.FullName
	var _, connected = s.args.Store.Get(repoKey)
	var event = r.Header.Get("X-GitHub-Event")

	var queued bool
	switch {
	case !connected:
	case event == "pull_request":
		queued = payload.PullRequest != nil && payload.PullRequest.Merged && payload.Action == "closed"
	case event == "push":
		queued = true
	}

	if queued {
		log.WithFields(log.Fields{"repo": repoKey, "event": event}).Info("webhook queued sync")
		go func() {
			if _, err := s.args.Engine.TriggerOne(context.Background(), repoKey); err != nil {
				log.WithFields(log.Fields{"repo": repoKey, "err": err}).Warn("webhook-triggered sync failed")
			}
		}()
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"received": true, "queued": queued})
}

// verifySignature checks the HMAC-SHA256 body signature. A server without
// a configured secret rejects every delivery.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	var mac = hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
