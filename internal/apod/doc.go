// Package apod defines the record shapes and component seams shared by the
// Astronomy Picture of the Day pipeline: the raw API payload, the normalized
// row written by both sinks, and the interfaces each stage is built against.
package apod
