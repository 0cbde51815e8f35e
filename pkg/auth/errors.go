package auth

import "errors"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenSpent   = errors.New("token already used")
	ErrWrongAction  = errors.New("token not valid for this action")
)
