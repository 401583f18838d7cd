package main

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// Prints the bcrypt hash of a shared admin key, for the ADMIN_KEY_HASH
// environment variable.
func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <admin-key>", os.Args[0])
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(os.Args[1]), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("hash key: %v", err)
	}

	fmt.Println(string(hash))
}
