// Package cachekey derives the stable identity of a proxied request. Two
// requests map to the same Key exactly when their normalized method, target
// and selected headers match; everything else (User-Agent, cookies, header
// order) is ignored. Builders are pure: no I/O and no clock.
package cachekey
