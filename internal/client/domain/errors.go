package domain

import "errors"

var (
	ErrNotFound        = errors.New("client_not_found")
	ErrProductNotFound = errors.New("product_not_found")
	ErrProductDisabled = errors.New("product_disabled")
)
