// Package util provides common utility functions for this module.
//
// This package contains helper functions for string manipulation, formatting,
// and other shared operations that don't fit into domain-specific packages.
// No other package of the module imports it at present.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
package util
