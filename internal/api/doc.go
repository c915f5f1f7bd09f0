// Package api exposes the REST surface for submitting search sessions,
// feeding back user input and retrieving progress and statistics. Handlers
// are thin adapters over the session service; authentication and request
// metrics are attached as middleware.
package api
