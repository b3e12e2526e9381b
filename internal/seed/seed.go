// Package seed bootstraps the default admin member for self-hosted installs.
package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/clubworks/memberd/internal/member/domain"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const defaultAdminPassword = "admin"

// EnsureAdminMember creates the admin user once. Reruns are no-ops.
func EnsureAdminMember(db *gorm.DB, email, password string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return errors.New("seed admin email is required")
	}
	if password == "" {
		password = defaultAdminPassword
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Raw(`SELECT COUNT(1) FROM users WHERE email = ?`, email).Scan(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		return tx.Exec(
			`INSERT INTO users (id, email, display_name, role, password_hash, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			node.Generate().String(),
			email,
			"Admin",
			string(memberdomain.RoleAdmin),
			string(hash),
			now,
			now,
		).Error
	})
}
