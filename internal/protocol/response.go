package protocol

import (
	"encoding/hex"
	"fmt"
)

// ResponseKind classifies an inbound message.
type ResponseKind int

const (
	Acknowledge ResponseKind = iota
	NegativeAcknowledge
	VersionReport
	Unrecognized
)

// String returns human-readable name for the kind.
func (k ResponseKind) String() string {
	switch k {
	case Acknowledge:
		return "ack"
	case NegativeAcknowledge:
		return "nack"
	case VersionReport:
		return "version"
	default:
		return "unrecognized"
	}
}

// Response is a classified inbound message.
type Response struct {
	Kind    ResponseKind
	Version Version // set for VersionReport
	Raw     []byte  // set for Unrecognized
}

// Classify maps a raw inbound payload to a Response. Inbound control
// responses carry no checksum, so none is verified.
func Classify(raw []byte) Response {
	switch {
	case len(raw) == 1 && raw[0] == RespAck:
		return Response{Kind: Acknowledge}
	case len(raw) == 1 && raw[0] == RespNack:
		return Response{Kind: NegativeAcknowledge}
	case len(raw) == VersionReportSize:
		return Response{
			Kind:    VersionReport,
			Version: Version{Major: raw[0], Minor: raw[1], Patch: raw[2]},
		}
	default:
		return Response{Kind: Unrecognized, Raw: append([]byte(nil), raw...)}
	}
}

// String returns a description for logs.
func (r Response) String() string {
	switch r.Kind {
	case VersionReport:
		return fmt.Sprintf("version %s", r.Version)
	case Unrecognized:
		return fmt.Sprintf("unrecognized %s", hex.EncodeToString(r.Raw))
	default:
		return r.Kind.String()
	}
}
