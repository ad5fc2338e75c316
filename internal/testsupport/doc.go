// Package testsupport builds isolated configs and storage handles for tests.
package testsupport
