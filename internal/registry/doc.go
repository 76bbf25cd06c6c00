// Package registry defines the record types, errors and collaborator interfaces
// shared by the fetch, extract, aggregate and output stages of the ETS registry
// scraper.
package registry
