package main

// General API documentation for swaggo. Run `swag init -g cmd/compiled/docs.go` to generate docs.
//
// @title           compiled API
// @version         1.0
// @description     HTTP API for device backend registration and cached model compilation.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
