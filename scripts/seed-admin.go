// Package main is a development utility for seeding the first admin account
// in a local database. It generates a random password, bcrypt-hashes it, and
// prints a ready-to-run SQL INSERT so developers can log in without running a
// separate provisioning flow. Do not use generated accounts in production —
// provision admins through your deployment tooling.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	randomBytes := make([]byte, 24)
	if _, err := rand.Read(randomBytes); err != nil {
		log.Fatal(err)
	}
	password := base64.RawURLEncoding.EncodeToString(randomBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		log.Fatal(err)
	}
	id := uuid.New().String()

	fmt.Println("==========================================================")
	fmt.Println("Dev Admin Account")
	fmt.Println("==========================================================")
	fmt.Println("\nEmail:    admin@dev.local")
	fmt.Printf("Password: %s\n", password)
	fmt.Println("\n==========================================================")
	fmt.Println("SQL Insert:")
	fmt.Println("==========================================================")
	fmt.Printf(`
INSERT INTO users (id, email, password_hash, role)
VALUES ('%s', 'admin@dev.local', '%s', 'admin');
`, id, string(hash))
	fmt.Println("\n==========================================================")
	fmt.Println("Login: POST /api/v1/auth/login with the credentials above.")
	fmt.Println("==========================================================")
}
