// Package mediacache holds inbound media references for a short window so
// they can be fetched after the fact and uploaded to blob storage.
package mediacache
