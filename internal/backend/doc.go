// Package backend is the client for the resources evaluation reads and
// writes besides runs: datasets, examples, projects and feedback.
package backend
