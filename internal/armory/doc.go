// ABOUTME: Package armory talks to the Battle.net APIs for character data
// ABOUTME: Handles OAuth client-credential tokens and WoW Classic profile lookups

// Package armory fetches World of Warcraft Classic character profiles from
// the Battle.net API. Access tokens come from the client-credentials grant
// and are cached until shortly before they expire; profile lookups ride on
// whatever token is currently valid.
package armory
