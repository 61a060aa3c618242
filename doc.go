// Copyright 2015 Tamás Demeter-Haludka
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

/*
Package blogify is the web framework of the blogify platform.

The server side is a JSON API under /api/; the frontend is a single page application served from the assets directory. User uploads are kept in the public directory.

An application is separated into services (see the Service interface). A service is a functionality unit with its own database schema. Most services are resources: a struct type exposed through the standard CRUD endpoints by a ResourceController. EntityResource builds these on top of the EntityController, which derives the SQL of a struct type from its tags.

The output of the resources is controlled by struct tags as well (see Slice() and Sanitize()): clients can ask for a subset of the properties with the "fields" query, and some properties never leave the server.

Handlers don't return errors. They call Fail() or MaybeFail(), and the ErrorHandlerMiddleware renders the error for the client.
*/
package blogify
