// Package util holds small helpers shared by the bridge's packages.
package util
