package domain

import (
	"encoding/json"
	"fmt"
)

type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentDevelopment Environment = "development"
)

// IsProduction reports whether paid relay credentials may be requested.
func (e Environment) IsProduction() bool {
	return e == EnvironmentProduction
}

// ICEURLs decodes from either a single string or a list of strings and always
// encodes as a list.
type ICEURLs []string

func (u *ICEURLs) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*u = ICEURLs{single}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("urls must be a string or a list of strings: %w", err)
	}
	*u = list
	return nil
}

type ICEServer struct {
	URLs       ICEURLs `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// ICEServerSet is the body of the credentials endpoint. It is built per request
// and never cached since relay credentials are short-lived.
type ICEServerSet struct {
	ICEServers         []ICEServer `json:"iceServers"`
	ICETransportPolicy string      `json:"iceTransportPolicy,omitempty"`
	BundlePolicy       string      `json:"bundlePolicy,omitempty"`
	RTCPMuxPolicy      string      `json:"rtcpMuxPolicy,omitempty"`
}

// ICEPolicy holds the policy fields echoed to the browser alongside the servers.
type ICEPolicy struct {
	ICETransportPolicy string
	BundlePolicy       string
	RTCPMuxPolicy      string
}

// CredentialSource identifies which tier produced an ICEServerSet.
type CredentialSource string

const (
	CredentialSourceUpstream CredentialSource = "upstream"
	CredentialSourceFallback CredentialSource = "fallback"
)

// FallbackICEServers returns the public STUN servers used whenever relay
// credentials cannot be obtained. A new slice is returned on every call.
func FallbackICEServers() []ICEServer {
	return []ICEServer{
		{URLs: ICEURLs{"stun:stun.l.google.com:19302"}},
		{URLs: ICEURLs{"stun:stun1.l.google.com:19302"}},
		{URLs: ICEURLs{"stun:stun2.l.google.com:19302"}},
	}
}
