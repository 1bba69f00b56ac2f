// Package transfer sends a payload to the SUOTA PATCH_DATA characteristic in
// status-gated blocks.
package transfer
