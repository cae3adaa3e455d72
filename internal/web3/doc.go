// Package web3 holds the chain registry used when compiling execution plans
// (chain ids, router and bridge contracts) and the deterministic derivation
// of vault custody addresses. RPC access lives in the ethereum subpackage.
package web3
