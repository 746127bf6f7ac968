package gstsource

import (
	"regexp"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"

	vcamrelay "github.com/e7canasta/vcam-relay"
)

// go-gst's GError does not expose the domain, so classification relies on
// the message and debug text.
func classifyGError(gerr *gst.GError) vcamrelay.ErrorKind {
	if gerr == nil {
		return vcamrelay.KindProtocol
	}
	return classify(gerr.Error(), gerr.DebugString())
}

// classify maps GStreamer error text to an error kind. Most specific first.
func classify(message, debug string) vcamrelay.ErrorKind {
	combined := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(combined, authKeywords), authStatus.MatchString(combined):
		return vcamrelay.KindAuthRejected
	case containsAny(combined, timeoutKeywords):
		return vcamrelay.KindTimeout
	case containsAny(combined, codecKeywords):
		return vcamrelay.KindDecode
	case containsAny(combined, networkKeywords), notFoundStatus.MatchString(combined):
		return vcamrelay.KindUnreachable
	default:
		return vcamrelay.KindProtocol
	}
}

var authKeywords = []string{
	"unauthorized",
	"forbidden",
	"authentication",
	"credentials",
	"not authorized",
}

var timeoutKeywords = []string{
	"timeout",
	"timed out",
}

var codecKeywords = []string{
	"codec",
	"decode",
	"not negotiated",
	"negotiation",
	"no decoder",
	"missing plugin",
	"missing element",
	"h264",
	"h265",
	"jpeg",
}

var networkKeywords = []string{
	"could not connect",
	"failed to connect",
	"could not open resource",
	"connection refused",
	"unreachable",
	"could not resolve",
	"resolve",
	"dns",
	"no route",
	"not found",
	"socket",
}

// Bare HTTP/RTSP status codes. Debug strings carry source locations such as
// "gstrtspsrc.c(6401)", so a code must not touch a digit or parenthesis.
var (
	authStatus     = regexp.MustCompile(`(?:^|[^\d(])40[13](?:[^\d)]|$)`)
	notFoundStatus = regexp.MustCompile(`(?:^|[^\d(])404(?:[^\d)]|$)`)
)

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
