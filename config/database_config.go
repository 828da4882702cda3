// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package config

import "fmt"

// databaseConfig describes the metadata store's persistence backend
// (spec §6: database_driver, database_{user,password,host,port,name}).
type databaseConfig struct {
	// Driver selects the metadatadb backend. Only "sqlite" is implemented.
	Driver string `yaml:"driver,omitempty"`
	// Name is the database name, or (for sqlite) the path to the database
	// file.
	Name string `yaml:"name"`
	User string `yaml:"user,omitempty"`
	// Password should come from an environment variable, never a literal
	// in a committed config file.
	Password string `yaml:"password,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
}

func validateDatabase(db databaseConfig) error {
	if db.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver: %q", db.Driver)
	}
	if db.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	return nil
}
