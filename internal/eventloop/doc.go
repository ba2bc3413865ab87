// Package eventloop drains normalized ChatEvents from every platform
// adapter, resolves the caller's channel and compiled CommandMap,
// permission-gates the matched command, invokes it, and replies.
package eventloop
