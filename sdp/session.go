package sdp

import (
	psdp "github.com/pion/sdp/v3"

	"github.com/pionlabs/icecore/candidate"
)

// BuildMediaDescription assembles one m= section carrying the ICE ufrag/
// password and one "a=candidate" line per candidate, using
// github.com/pion/sdp/v3's attribute builder for everything except the
// candidate grammar itself (Marshal/Unmarshal above).
func BuildMediaDescription(mediaType string, ufrag, password string, candidates []*candidate.Candidate) *psdp.MediaDescription {
	md := &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   mediaType,
			Port:    psdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{"0"},
		},
	}

	md.WithValueAttribute("ice-ufrag", ufrag)
	md.WithValueAttribute("ice-pwd", password)

	for _, c := range candidates {
		md.WithValueAttribute("candidate", Marshal(c))
	}

	return md
}

// ExtractCredentials reads ice-ufrag/ice-pwd attributes from a parsed
// media description, as the counterpart to BuildMediaDescription when
// handling a received offer/answer.
func ExtractCredentials(md *psdp.MediaDescription) (ufrag, password string, ok bool) {
	u, hasU := md.Attribute("ice-ufrag")
	p, hasP := md.Attribute("ice-pwd")
	return u, p, hasU && hasP
}

// ExtractCandidates returns every "a=candidate" line in a media
// description, parsed via Unmarshal.
func ExtractCandidates(md *psdp.MediaDescription) ([]*candidate.Candidate, error) {
	var out []*candidate.Candidate
	for _, attr := range md.Attributes {
		if attr.Key != "candidate" {
			continue
		}
		c, err := Unmarshal(attr.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
