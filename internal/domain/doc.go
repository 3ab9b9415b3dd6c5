// Package domain holds the core data model shared by every component:
// SMTP accounts and their health state, send jobs, delivery outcomes, and
// derived progress snapshots. It has no dependencies on other internal
// packages and should never import from them.
package domain
