package server

import (
	"fmt"
	"testing"
)

// BenchmarkBatchRound measures one full proposal-accept-store round over a
// single logged-in connection. The session returns to command state after
// each batch, so rounds chain without reconnecting.
func BenchmarkBatchRound(b *testing.B) {
	srv, _ := newTestServer(b, `{"W6XYZ": "pw"}`)
	c := dialServer(b, srv.Addr())
	defer c.Close()
	login(b, c, "W6XYZ", "pw")

	wire, u, comp := buildFrame(b, "bench", "benchmark message body")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sendLine(b, c, fmt.Sprintf("FC EM B%011d %d %d 0", i, u, comp))
		sendLine(b, c, "F>")
		expectLine(b, c, "FS Y")
		sendRaw(b, c, wire)
		expectLine(b, c, "FF")
	}
	b.StopTimer()
	sendLine(b, c, "FF")
	expectLine(b, c, "FQ")
}

// BenchmarkLoginDialog measures connection setup through the banner.
func BenchmarkLoginDialog(b *testing.B) {
	srv, _ := newTestServer(b, `{"W6XYZ": "pw"}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := dialServer(b, srv.Addr())
		login(b, c, "W6XYZ", "pw")
		sendLine(b, c, "FF")
		expectLine(b, c, "FQ")
		c.Close()
	}
}
