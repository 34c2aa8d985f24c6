// Package waclient implements the platform client contract over whatsmeow.
package waclient
