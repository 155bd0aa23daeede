package proxy

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtzeng/ics-f13/iox"
)

// clientError writes an HTTP/1.0 error reply with the proxy's HTML body
// template. Write failures are swallowed: the connection is going away
// either way.
func clientError(w io.Writer, cause, code, shortmsg, longmsg string) {
	var body bytes.Buffer
	body.WriteString("<html><title>Tiny Error</title>")
	body.WriteString("<body bgcolor=ffffff>\r\n")
	fmt.Fprintf(&body, "%s: %s\r\n", code, shortmsg)
	fmt.Fprintf(&body, "<p>%s: %s\r\n", longmsg, cause)
	body.WriteString("<hr><em>The Tiny Web server</em>\r\n")

	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "HTTP/1.0 %s %s\r\n", code, shortmsg)
	hdr.WriteString("Content-type: text/html\r\n")
	fmt.Fprintf(&hdr, "Content-length: %d\r\n\r\n", body.Len())

	if err := iox.WriteAll(w, hdr.Bytes()); err != nil {
		return
	}
	_ = iox.WriteAll(w, body.Bytes())
}
