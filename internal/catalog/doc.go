// Package catalog loads pipeline definitions and hands out copies, so a
// definition referenced by a running pipeline is never mutated underneath it.
//
// Dir reads YAML or JSON files from the definitions directory and supports
// periodic Reload; Static wraps definitions assembled in code.
package catalog
