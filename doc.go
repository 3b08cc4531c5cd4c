/*
Package kaiwa documents the Kaiwa module.

Kaiwa is a bridge daemon between chat front ends and long-lived terminal
sessions running coding agents. Inbound chat messages and outbound
notifications both travel through a durable, crash-safe delivery queue
backed by a local relational store.

This module is CLI-first and ships the kaiwa command:

	go install github.com/nuetzliches/kaiwa/cmd/kaiwa@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package kaiwa
