package webtransport

import (
	"crypto/tls"
	"net/http"

	"github.com/quic-go/quic-go/http3"
)

func http3Server(addr string, tlsConfig *tls.Config, handler http.Handler) http3.Server {
	return http3.Server{
		Addr:      addr,
		TLSConfig: tlsConfig,
		Handler:   handler,
	}
}
