package wsframe

import "testing"

func TestAcceptTokenMatchesRFCExample(t *testing.T) {
	req := "GET /chan HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Protocol: binary\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"

	if !isHandshakeStart([]byte(req)) {
		t.Fatal("expected a well-formed binary-subprotocol upgrade to be recognized")
	}

	got, err := acceptToken([]byte(req))
	if err != nil {
		t.Fatalf("acceptToken: %v", err)
	}
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("accept token = %q, want %q", got, want)
	}
}

func TestIsHandshakeStartRejectsWrongProtocol(t *testing.T) {
	req := "GET /chan HTTP/1.1\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Protocol: text\r\n\r\n"
	if isHandshakeStart([]byte(req)) {
		t.Fatal("a non-binary subprotocol must be rejected")
	}
}

func TestIsHandshakeStartRejectsMissingKey(t *testing.T) {
	req := "GET /chan HTTP/1.1\r\n" +
		"Sec-WebSocket-Protocol: binary\r\n\r\n"
	if isHandshakeStart([]byte(req)) {
		t.Fatal("a request missing Sec-WebSocket-Key must be rejected")
	}
}

func TestIsHandshakeStartRejectsIncompleteHeaders(t *testing.T) {
	req := "GET /chan HTTP/1.1\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Protocol: binary\r\n"
	if isHandshakeStart([]byte(req)) {
		t.Fatal("a request without the trailing blank line must be rejected (still buffering)")
	}
}

func TestIsHandshakeStartRejectsNonGET(t *testing.T) {
	req := "POST /chan HTTP/1.1\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Protocol: binary\r\n\r\n"
	if isHandshakeStart([]byte(req)) {
		t.Fatal("a non-GET request must be rejected")
	}
}

func TestIsHandshakeStartCaseInsensitiveHeaders(t *testing.T) {
	req := "GET /chan HTTP/1.1\r\n" +
		"sec-websocket-key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"SEC-WEBSOCKET-PROTOCOL: binary\r\n\r\n"
	if !isHandshakeStart([]byte(req)) {
		t.Fatal("header name matching must be case-insensitive")
	}
}
