// Package control implements the out-of-scope ControlPlane from
// SPEC_FULL.md §4.10: minimal start/stop/restart/reload-config/rotate-key/
// device-list HTTP endpoints gated by the X-TinyCam-Auth management HMAC.
// The HMAC-over-body-then-constant-time-compare pattern is grounded on the
// helixml-helix filestore package's presigned-URL signature check.
package control

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tinycam/internal/encoder"
	"tinycam/internal/keys"
)

// maxSkew is the allowed clock skew between the request's "ts" field and
// server time, per spec.md §6.4.
const maxSkew = 120 * time.Second

// Supervisor is the subset of encoder.Supervisor the control plane drives.
type Supervisor interface {
	Start()
	Stop()
	Restart()
}

var _ Supervisor = (*encoder.Supervisor)(nil)

// Plane wires the HTTP endpoints to their collaborators.
type Plane struct {
	Keys       *keys.Store
	Supervisor Supervisor
	ConfigPath string
	ReloadCfg  func(path string)
}

// NewPlane constructs a Plane and registers its routes on mux.
func NewPlane(mux *http.ServeMux, ks *keys.Store, sup Supervisor, configPath string, reloadCfg func(path string)) *Plane {
	p := &Plane{Keys: ks, Supervisor: sup, ConfigPath: configPath, ReloadCfg: reloadCfg}
	mux.HandleFunc("/control/start", p.withAuth(p.handleStart))
	mux.HandleFunc("/control/stop", p.withAuth(p.handleStop))
	mux.HandleFunc("/control/restart", p.withAuth(p.handleRestart))
	mux.HandleFunc("/control/reload-config", p.withAuth(p.handleReloadConfig))
	mux.HandleFunc("/control/rotate-key", p.withAuth(p.handleRotateKey))
	mux.HandleFunc("/control/devices", p.withAuth(p.handleDevices))
	return p
}

type tsBody struct {
	Ts int64 `json:"ts"`
}

// withAuth verifies X-TinyCam-Auth = base64(HMAC-SHA256(body, managementKey))
// and, for every endpoint except /devices, a "ts" field within maxSkew of
// server time. Auth failures return 401 without revealing which check
// failed, per spec.md §7.
func (p *Plane) withAuth(next func(w http.ResponseWriter, r *http.Request, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()[:8]
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			log.Printf("control[%s]: %s: reading body: %v", reqID, r.URL.Path, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !p.verifyHMAC(r.Header.Get("X-TinyCam-Auth"), body) {
			log.Printf("control[%s]: %s: bad auth", reqID, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/control/devices" {
			var tb tsBody
			if err := json.Unmarshal(body, &tb); err != nil {
				log.Printf("control[%s]: %s: malformed body: %v", reqID, r.URL.Path, err)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			skew := time.Since(time.Unix(tb.Ts, 0))
			if math.Abs(skew.Seconds()) > maxSkew.Seconds() {
				log.Printf("control[%s]: %s: stale timestamp (skew %s)", reqID, r.URL.Path, skew)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		log.Printf("control[%s]: %s authorized", reqID, r.URL.Path)
		next(w, r, body)
	}
}

func (p *Plane) verifyHMAC(header string, body []byte) bool {
	if header == "" {
		return false
	}
	given, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.Keys.Current().ManagementKey)
	mac.Write(body)
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(given, expected) == 1
}

func (p *Plane) handleStart(w http.ResponseWriter, r *http.Request, body []byte) {
	p.Supervisor.Start()
	w.WriteHeader(http.StatusNoContent)
}

func (p *Plane) handleStop(w http.ResponseWriter, r *http.Request, body []byte) {
	p.Supervisor.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (p *Plane) handleRestart(w http.ResponseWriter, r *http.Request, body []byte) {
	p.Supervisor.Restart()
	w.WriteHeader(http.StatusNoContent)
}

func (p *Plane) handleReloadConfig(w http.ResponseWriter, r *http.Request, body []byte) {
	if p.ReloadCfg != nil {
		p.ReloadCfg(p.ConfigPath)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Plane) handleRotateKey(w http.ResponseWriter, r *http.Request, body []byte) {
	if _, err := p.Keys.Rotate(); err != nil {
		log.Printf("control: rotate-key failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDevices returns a static placeholder list: device enumeration
// itself is out of scope (SPEC_FULL.md §4.10); this endpoint exists so its
// interface and auth check are testable.
func (p *Plane) handleDevices(w http.ResponseWriter, r *http.Request, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"devices": []string{},
	})
}
