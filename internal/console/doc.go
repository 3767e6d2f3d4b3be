// Package console parses the developer console commands a running host
// accepts on stdin or from the scenario harness.
package console
