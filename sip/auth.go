package sip

import (
	"braces.dev/errtrace"
	"github.com/icholy/digest"
)

// Credentials holds the account used to answer digest challenges.
type Credentials struct {
	Username string
	Password string
	// Realm restricts the credentials to a single realm when set.
	Realm string
}

// IsZero checks whether the credentials are empty.
func (c Credentials) IsZero() bool { return c == Credentials{} }

// challengeHeader returns the challenge header matching the response status:
// WWW-Authenticate for 401, Proxy-Authenticate for 407.
func challengeHeader(res *Response) (challenge, authorization string) {
	if res.StatusCode == StatusProxyAuthRequired {
		return "Proxy-Authenticate", "Proxy-Authorization"
	}
	return "WWW-Authenticate", "Authorization"
}

// authorizeRequest answers the digest challenge carried by res, appending
// the matching authorization header to req per RFC 3261 section 22.
func authorizeRequest(req *Request, res *Response, creds Credentials) error {
	chalName, authName := challengeHeader(res)

	h := res.GetHeader(chalName)
	if h == nil {
		return errtrace.Wrap(NewInvalidArgumentError("no %s header in %d response", chalName, res.StatusCode))
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if creds.Realm != "" && creds.Realm != chal.Realm {
		return errtrace.Wrap(NewInvalidArgumentError("challenge realm %q does not match credentials", chal.Realm))
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}

	req.RemoveHeader(authName)
	req.AppendHeader(NewHeader(authName, cred.String()))
	return nil
}
