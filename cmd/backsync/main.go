// backsync is the back-office synchronization service: it imports master data
// into a local SQLite cache, pushes staged changes to the legacy system, and
// serves a job API with live progress streams.
package main

func main() {
	Execute()
}
