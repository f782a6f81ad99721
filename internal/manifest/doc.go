// Package manifest loads package manifests from the local catalog.
//
// A catalog is a directory of sources, each a directory of YAML manifests
// named after the package id. A manifest names the package version and where
// to fetch its payload, with the SHA-256 the download must match.
package manifest
