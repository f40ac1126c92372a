// Command filecdn runs the content-addressed file store.
package main

func main() {
	Execute()
}
