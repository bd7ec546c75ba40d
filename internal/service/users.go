package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveAccount    = errors.New("account is inactive")
)

// CreateUser adds a login. Only an owner may add users, except for the
// first one on a fresh store.
func (s *Service) CreateUser(ctx context.Context, req domain.CreateUserRequest) (domain.User, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 3 || strings.ContainsAny(username, " \t\r\n") {
		return domain.User{}, invalid("username must be at least 3 characters without spaces")
	}
	if len(req.Password) < 6 {
		return domain.User{}, invalid("password must be at least 6 characters")
	}
	role := defaultString(req.Role, domain.RoleStaff)
	if role != domain.RoleOwner && role != domain.RoleStaff {
		return domain.User{}, invalid("unknown role %q", role)
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := domain.User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    s.now(),
	}
	err = s.update(ctx, []domain.Collection{domain.CollectionUsers}, func(tx store.Tx) error {
		n, err := tx.Count(domain.CollectionUsers, store.All())
		if err != nil {
			return err
		}
		if n > 0 {
			if err := requireOwner(ctx); err != nil {
				return err
			}
		}
		taken, err := tx.Count(domain.CollectionUsers, store.Where("username", username))
		if err != nil {
			return err
		}
		if taken > 0 {
			return fmt.Errorf("%w: username %s already exists", store.ErrInvariantViolation, username)
		}
		return s.create(tx, domain.CollectionUsers, &user)
	})
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// Authenticate checks a username and password against the users collection.
func (s *Service) Authenticate(ctx context.Context, username, password string) (domain.Actor, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	var user *domain.User
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		user, err = store.First[domain.User](tx, domain.CollectionUsers, store.Where("username", username))
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Actor{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.Actor{}, err
	}
	if !verifyPassword(user.PasswordHash, password) {
		return domain.Actor{}, ErrInvalidCredentials
	}
	if !user.Active {
		return domain.Actor{}, ErrInactiveAccount
	}
	return domain.Actor{Username: user.Username, Role: user.Role}, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	if err := requireOwner(ctx); err != nil {
		return nil, err
	}
	return list[domain.User](ctx, s.store, domain.CollectionUsers, store.All().Order("username"))
}

func (s *Service) SetUserActive(ctx context.Context, username string, active bool) (domain.User, error) {
	if err := requireOwner(ctx); err != nil {
		return domain.User{}, err
	}
	username = strings.ToLower(strings.TrimSpace(username))
	var user *domain.User
	err := s.update(ctx, []domain.Collection{domain.CollectionUsers}, func(tx store.Tx) error {
		var err error
		user, err = store.First[domain.User](tx, domain.CollectionUsers, store.Where("username", username))
		if err != nil {
			return err
		}
		if user.Active == active {
			return nil
		}
		user.Active = active
		return s.save(tx, domain.CollectionUsers, user)
	})
	if err != nil {
		return domain.User{}, err
	}
	return *user, nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
