// Package types contains small generic containers shared across the
// sipua packages.
package types
