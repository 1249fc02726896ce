package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mistifyio/selkie"
	log "github.com/sirupsen/logrus"
)

// consoleTokenTTL bounds how long a handed-out console URL stays valid
const consoleTokenTTL = 5 * time.Minute

// consoleSigner mints and checks the HMAC tokens carried by serial
// console WebSocket URLs. The key lives only in memory, so restarting
// the daemon invalidates outstanding URLs.
type consoleSigner struct {
	key []byte
}

func newConsoleSigner() *consoleSigner {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.WithField("error", err).Fatal("unable to generate console signing key")
	}
	return &consoleSigner{key: key}
}

func (cs *consoleSigner) sign(vmID string, expires int64) string {
	mac := hmac.New(sha256.New, cs.key)
	fmt.Fprintf(mac, "%s|%d", vmID, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// ConsoleURL builds a signed WebSocket URL for a VM's serial console
func (cs *consoleSigner) ConsoleURL(host, vmID string) string {
	expires := time.Now().Add(consoleTokenTTL).Unix()
	return fmt.Sprintf("ws://%s/ws?vm=%s&expires=%d&token=%s", host, vmID, expires, cs.sign(vmID, expires))
}

// Verify checks a presented token against the VM and expiry it claims
func (cs *consoleSigner) Verify(vmID string, expires int64, token string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	expected := cs.sign(vmID, expires)
	return hmac.Equal([]byte(expected), []byte(token))
}

var consoleUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ConsoleSocket upgrades a signed console URL to a WebSocket and joins
// it to the VM's console session
func ConsoleSocket(w http.ResponseWriter, r *http.Request) {
	svc := GetServices(r)

	q := r.URL.Query()
	vmID := q.Get("vm")
	token := q.Get("token")
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil || vmID == "" || !svc.signer.Verify(vmID, expires, token) {
		hr := HTTPResponse{w}
		hr.JSONError(selkie.NewError(selkie.ErrUnauthorized, "bad console token"))
		return
	}

	ws, err := consoleUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithFields(log.Fields{
			"vm":    vmID,
			"error": err,
		}).Warn("console upgrade failed")
		return
	}
	defer logx(ws.Close)

	if err := svc.hub.Attach(ws, vmID); err != nil {
		log.WithFields(log.Fields{
			"vm":    vmID,
			"error": err,
		}).Warn("console attach failed")
	}
}
