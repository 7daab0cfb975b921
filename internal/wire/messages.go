// Package wire defines the client and peer message frames carried over the
// newline-delimited JSON transport (see internal/peer and cmd/node), and
// encodes/decodes them with goccy/go-json.
package wire

import (
	"github.com/goccy/go-json"

	"github.com/nkaush/sharded-distributed-txns/internal/sharding"
)

// ClientRequestKind tags which variant of ClientRequest a frame carries, the
// same way this codebase's ancestry tags gossip frames with a Mark field.
type ClientRequestKind string

const (
	ReadBalanceRequest  ClientRequestKind = "read_balance"
	WriteBalanceRequest ClientRequestKind = "write_balance"
	CommitRequest       ClientRequestKind = "commit"
	AbortRequest        ClientRequestKind = "abort"
)

// ClientRequest is one request a connected client can make against its
// single open transaction.
type ClientRequest struct {
	Kind ClientRequestKind `json:"kind"`
	Key  string            `json:"key,omitempty"`
	Diff int64             `json:"diff,omitempty"`
}

// NewReadBalance builds a read request for key.
func NewReadBalance(key string) ClientRequest {
	return ClientRequest{Kind: ReadBalanceRequest, Key: key}
}

// NewWriteBalance builds a write request applying diff to key.
func NewWriteBalance(key string, diff int64) ClientRequest {
	return ClientRequest{Kind: WriteBalanceRequest, Key: key, Diff: diff}
}

// NewCommitRequest builds a commit request.
func NewCommitRequest() ClientRequest {
	return ClientRequest{Kind: CommitRequest}
}

// NewAbortRequest builds an abort request.
func NewAbortRequest() ClientRequest {
	return ClientRequest{Kind: AbortRequest}
}

// ClientResponseKind tags which variant of ClientResponse a frame carries.
type ClientResponseKind string

const (
	OkResponse              ClientResponseKind = "ok"
	ValueResponse           ClientResponseKind = "value"
	CommitOkResponse        ClientResponseKind = "commit_ok"
	AbortedResponse         ClientResponseKind = "aborted"
	AbortedNotFoundResponse ClientResponseKind = "aborted_not_found"
)

// ClientResponse is the reply the session handler sends back to a client.
type ClientResponse struct {
	Kind    ClientResponseKind `json:"kind"`
	Key     string             `json:"key,omitempty"`
	Balance int64              `json:"balance,omitempty"`
}

// NewOk builds a bare acknowledgement, used for successful writes.
func NewOk() ClientResponse {
	return ClientResponse{Kind: OkResponse}
}

// NewValue builds a read reply.
func NewValue(key string, balance int64) ClientResponse {
	return ClientResponse{Kind: ValueResponse, Key: key, Balance: balance}
}

// NewCommitOk builds a successful-commit reply.
func NewCommitOk() ClientResponse {
	return ClientResponse{Kind: CommitOkResponse}
}

// NewAborted builds an abort reply.
func NewAborted() ClientResponse {
	return ClientResponse{Kind: AbortedResponse}
}

// NewAbortedNotFound builds an abort reply specific to reading an object
// that has never existed.
func NewAbortedNotFound() ClientResponse {
	return ClientResponse{Kind: AbortedNotFoundResponse}
}

// CommitVote is one shard's verdict during two-phase commit.
type CommitVote string

const (
	ReadyToCommit CommitVote = "ready_to_commit"
	CannotCommit  CommitVote = "cannot_commit"
)

// ForwardedKind tags which variant of Forwarded a peer-to-peer frame
// carries.
type ForwardedKind string

const (
	ForwardedRequest      ForwardedKind = "request"
	ForwardedResponse     ForwardedKind = "response"
	ForwardedCommitStatus ForwardedKind = "commit_status"
	ForwardedDoCommit     ForwardedKind = "do_commit"
)

// Forwarded is everything one coordinator sends another: a request to run
// against the peer's local shard, the response to one, a 2PC vote, or the
// final go-ahead to apply a commit.
type Forwarded struct {
	Kind     ForwardedKind          `json:"kind"`
	Tx       sharding.TransactionId `json:"tx"`
	Request  *ClientRequest         `json:"request,omitempty"`
	Response *ClientResponse        `json:"response,omitempty"`
	Vote     CommitVote             `json:"vote,omitempty"`
}

// NewForwardedRequest wraps req as a peer-bound request on behalf of tx.
func NewForwardedRequest(tx sharding.TransactionId, req ClientRequest) Forwarded {
	return Forwarded{Kind: ForwardedRequest, Tx: tx, Request: &req}
}

// NewForwardedResponse wraps resp as a reply to a previously forwarded
// request on behalf of tx.
func NewForwardedResponse(tx sharding.TransactionId, resp ClientResponse) Forwarded {
	return Forwarded{Kind: ForwardedResponse, Tx: tx, Response: &resp}
}

// NewForwardedCommitStatus wraps a shard's 2PC vote for tx.
func NewForwardedCommitStatus(tx sharding.TransactionId, vote CommitVote) Forwarded {
	return Forwarded{Kind: ForwardedCommitStatus, Tx: tx, Vote: vote}
}

// NewForwardedDoCommit tells every shard that tx is cleared to commit.
func NewForwardedDoCommit(tx sharding.TransactionId) Forwarded {
	return Forwarded{Kind: ForwardedDoCommit, Tx: tx}
}

// Marshal encodes v as a single JSON line without a trailing newline; callers
// append their own framing delimiter.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a single JSON line into v.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
