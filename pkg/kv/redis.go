// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kv

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a single Redis instance. All keys are
// prefixed with the namespace so multiple controller instances can share
// one Redis server.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects to the Redis server at addr and returns a store
// scoped to the given namespace. An empty namespace addresses the global
// well-known keys.
func NewRedisStore(addr, password, namespace string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		namespace: namespace,
	}
}

func (s *RedisStore) fullKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

func (s *RedisStore) Put(ctx context.Context, key string, val []byte, overwrite bool) error {
	var err error
	if overwrite {
		err = s.client.Set(ctx, s.fullKey(key), val, 0).Err()
	} else {
		err = s.client.SetNX(ctx, s.fullKey(key), val, 0).Err()
	}
	return errors.Wrapf(err, "put key %q", key)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get key %q", key)
	}
	return val, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return errors.Wrapf(s.client.Del(ctx, s.fullKey(key)).Err(), "delete key %q", key)
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
