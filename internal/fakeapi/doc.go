// Package fakeapi is an in-memory gin server that speaks the subset of the
// tracing backend API this module uses. It stores runs, attachments,
// datasets, projects and feedback, records creates that arrive before their
// parent, and can inject failure responses per route.
package fakeapi
