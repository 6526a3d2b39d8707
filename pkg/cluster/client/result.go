package client

import "github.com/vnykmshr/clusterflow/pkg/cluster/protocol"

// TokenResult is the outcome of a token request. Requests never return an
// error; transport failures surface as StatusFail.
type TokenResult struct {
	Status         protocol.Status
	RemainingCount int32
	WaitInMs       int32

	// FromCached is set when the token cache answered without a remote call.
	FromCached bool
}

// Passed reports whether the caller may proceed, possibly after WaitInMs.
func (r TokenResult) Passed() bool {
	return r.Status == protocol.StatusOK || r.Status == protocol.StatusShouldWait
}

func failResult() TokenResult {
	return TokenResult{Status: protocol.StatusFail}
}

func statusResult(status protocol.Status) TokenResult {
	return TokenResult{Status: status}
}

func resultFromResponse(resp *protocol.Response) TokenResult {
	res := TokenResult{Status: resp.Status}
	if resp.Data != nil {
		res.RemainingCount = resp.Data.RemainingCount
		res.WaitInMs = resp.Data.WaitInMs
	}
	return res
}
