// Package webtransport is the secondary transport adapter: an HTTP/3
// WebTransport session's first reliable bidirectional stream, carrying the
// identical WebPacket protocol the primary websocket transport does. Only
// the reliable stream is used; datagrams play no part in this protocol.
package webtransport

import (
	"crypto/tls"
	"net/http"

	wt "github.com/quic-go/webtransport-go"
)

// NewServer builds the underlying HTTP/3 WebTransport listener. handler
// serves the same echo instance the websocket transport and REST API use —
// webtransport.Server.Upgrade is called from within a route on it.
func NewServer(addr string, tlsConfig *tls.Config, handler http.Handler) *wt.Server {
	return &wt.Server{
		H3: http3Server(addr, tlsConfig, handler),
		CheckOrigin: func(_ *http.Request) bool {
			return true
		},
	}
}
