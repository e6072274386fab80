// Package http provides the network side of the payment pipeline: a client
// for a remote settlement facilitator and the client used to fetch paid
// resources.
package http
