// Copyright (c) 2023 The Evloop Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package linkedlist

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPushPeekDiscard(t *testing.T) {
	var llb Buffer
	assert.True(t, llb.IsEmpty())
	assert.Zero(t, llb.Buffered())

	llb.PushBack([]byte("hello"))
	llb.PushBack([]byte(" "))
	llb.PushBack([]byte("world"))
	llb.PushBack(nil) // dropped
	assert.Equal(t, 3, llb.Len())
	assert.Equal(t, 11, llb.Buffered())

	bs := llb.Peek(-1)
	assert.Equal(t, "hello world", string(bytes.Join(bs, nil)))
	assert.Equal(t, 11, llb.Buffered(), "peek must not consume")

	assert.Equal(t, 6, llb.Discard(6))
	bs = llb.Peek(-1)
	assert.Equal(t, "world", string(bytes.Join(bs, nil)))
	assert.Equal(t, 5, llb.Buffered())
}

func TestBufferDiscardPartialChunk(t *testing.T) {
	var llb Buffer
	llb.PushBack([]byte("abcdef"))

	assert.Equal(t, 2, llb.Discard(2))
	assert.Equal(t, 4, llb.Buffered())
	assert.Equal(t, "cdef", string(bytes.Join(llb.Peek(-1), nil)))

	// Discarding more than buffered drains the buffer.
	assert.Equal(t, 4, llb.Discard(100))
	assert.True(t, llb.IsEmpty())
	assert.Zero(t, llb.Discard(1))
}

func TestBufferPushFront(t *testing.T) {
	var llb Buffer
	llb.PushBack([]byte("tail"))
	llb.PushFront([]byte("head-"))
	assert.Equal(t, "head-tail", string(bytes.Join(llb.Peek(-1), nil)))
}

func TestBufferPeekBounded(t *testing.T) {
	var llb Buffer
	llb.PushBack(make([]byte, 100))
	llb.PushBack(make([]byte, 100))
	llb.PushBack(make([]byte, 100))

	// Peek stops after the chunk that crosses maxBytes.
	bs := llb.Peek(150)
	assert.Len(t, bs, 2)
	bs = llb.Peek(300)
	assert.Len(t, bs, 3)
}

func TestBufferReset(t *testing.T) {
	var llb Buffer
	llb.PushBack([]byte("data"))
	llb.Reset()
	assert.True(t, llb.IsEmpty())
	assert.Zero(t, llb.Len())
	assert.Zero(t, llb.Buffered())
}

func TestBufferRandomizedIntegrity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var llb Buffer
	var ref bytes.Buffer

	for i := 0; i < 1000; i++ {
		if rng.Intn(3) > 0 || ref.Len() == 0 {
			chunk := make([]byte, 1+rng.Intn(512))
			rng.Read(chunk)
			llb.PushBack(chunk)
			ref.Write(chunk)
		} else {
			n := 1 + rng.Intn(ref.Len())
			require.Equal(t, n, llb.Discard(n))
			ref.Next(n)
		}
		require.Equal(t, ref.Len(), llb.Buffered())
	}
	assert.Equal(t, ref.Bytes(), bytes.Join(llb.Peek(-1), nil))
}
