package forward

import (
	"fmt"
	"strings"
)

// defaultPathSeparator is used when Config.PathSeparator is the zero value.
const defaultPathSeparator = "/"

// rewriteAddress implements the §6.2 address-rewriting rule: an upstream
// target of the form "endpoint/tenant[/deviceId]" becomes the downstream
// address "endpoint<sep>tenant", discarding any device component and
// replacing the canonical "/" separator with sep.
//
// No pack library does AMQP-address path rewriting, so this stays a small
// dependency-free pure function.
func rewriteAddress(upstream string, sep string) (string, error) {
	if sep == "" {
		sep = defaultPathSeparator
	}
	segments := strings.Split(upstream, "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return "", fmt.Errorf("forward: address %q has fewer than two path segments", upstream)
	}
	endpoint, tenant := segments[0], segments[1]
	return strings.Join([]string{endpoint, tenant}, sep), nil
}
