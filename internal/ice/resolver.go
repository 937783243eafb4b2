// Package ice resolves the ICE server list for a call. Resolution failure
// falls back to a public STUN default so call setup never hard-fails on
// this lookup alone.
package ice

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUN is the fallback used whenever no resolver is configured or
// the lookup fails.
var DefaultSTUN = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

const resolveTimeout = 5 * time.Second

// Resolver yields the ICE servers for one call attempt. Resolve never
// fails: implementations degrade to DefaultSTUN.
type Resolver interface {
	Resolve(ctx context.Context) []webrtc.ICEServer
}

// Static is a fixed server list; empty resolves to DefaultSTUN.
type Static []webrtc.ICEServer

// Resolve returns the static list, or DefaultSTUN when empty.
func (s Static) Resolve(context.Context) []webrtc.ICEServer {
	if len(s) == 0 {
		return DefaultSTUN
	}
	return s
}

// HTTPResolver fetches STUN/TURN descriptors (with credentials) from an
// HTTP endpoint returning {"iceServers":[...]}.
type HTTPResolver struct {
	URL string
}

// serverList is the endpoint's response shape.
type serverList struct {
	ICEServers []serverDesc `json:"iceServers"`
}

// serverDesc tolerates "urls" being either a string or an array, as TURN
// credential endpoints commonly emit both.
type serverDesc struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

// Resolve POSTs to the endpoint and converts the response. Any failure or
// empty answer yields DefaultSTUN.
func (r *HTTPResolver) Resolve(ctx context.Context) []webrtc.ICEServer {
	if r.URL == "" {
		return DefaultSTUN
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	var list serverList
	err := requests.URL(r.URL).
		BodyJSON(map[string]int64{"t": time.Now().UnixMilli()}).
		ToJSON(&list).
		Fetch(ctx)
	if err != nil || len(list.ICEServers) == 0 {
		log.Printf("ICE: resolver %s unavailable, using default STUN: %v", r.URL, err)
		return DefaultSTUN
	}

	out := make([]webrtc.ICEServer, 0, len(list.ICEServers))
	for _, s := range list.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	if len(out) == 0 {
		return DefaultSTUN
	}
	return out
}
